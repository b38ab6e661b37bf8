package main

import "github.com/jiafuei/ccproxy/cmd"

func main() {
	cmd.Execute()
}
