package main

import "picshrink/cmd"

func main() {
	cmd.Execute()
}
