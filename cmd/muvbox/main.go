package main

import "github.com/relabs-tech/muvbox/internal/cmd"

func main() {
	cmd.Execute()
}
