// The main package for the cabinet executable.
package main

import (
	"github.com/JakeFAU/cabinet/cmd"
)

func main() {
	cmd.Execute()
}
