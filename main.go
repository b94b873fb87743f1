package main

import "github.com/markb/huddle/cmd"

func main() {
	cmd.Execute()
}
