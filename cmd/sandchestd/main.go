// Command sandchestd runs the Sandchest control plane.
package main

import "github.com/sandchest/sandchest/cmd"

func main() {
	cmd.Execute()
}
