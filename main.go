package main

import "streamq/cmd"

func main() {
	cmd.Execute()
}
