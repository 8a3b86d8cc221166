package main

import "github.com/birdwatch-im/birdwatch/cmd"

func main() {
	cmd.Execute()
}
