package main

import "js8tastic/cmd/bridge/command"

func main() {
	command.Execute()
}
