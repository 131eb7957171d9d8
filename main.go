package main

import "github.com/putto11262002/chatsync/cmd"

func main() {
	cmd.Execute()
}
