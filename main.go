// The main package for the commons-tracker executable.
package main

import (
	"github.com/openparl/commons-tracker/cmd"
)

func main() {
	cmd.Execute()
}
