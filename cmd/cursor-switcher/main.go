package main

import "github.com/DDDHLA/cursor-switcher/internal/commands"

func main() {
	commands.Execute()
}
