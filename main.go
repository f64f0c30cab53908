package main

import "github.com/wardenbot/warden/cmd"

func main() {
	cmd.Execute()
}
