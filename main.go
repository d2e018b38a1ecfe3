// The main package for the threadscan executable.
package main

import "github.com/JakeFAU/threadscan/cmd"

func main() {
	cmd.Execute()
}
