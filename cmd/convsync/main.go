package main

import "github.com/agusx1211/convsync/internal/cli"

func main() {
	cli.Execute()
}
