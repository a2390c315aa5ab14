package main

import "github.com/guildgate/guildgate/cmd"

func main() {
	cmd.Execute()
}
