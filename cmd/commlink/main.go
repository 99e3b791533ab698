package main

import "commlink/cmd/commlink/command"

func main() {
	command.Execute()
}
