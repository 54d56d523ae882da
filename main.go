package main

import "shusseki/cmd"

func main() {
	cmd.Execute()
}
