package main

import "github.com/BTreeMap/TaskPipe/internal/cli"

func main() {
	cli.Execute()
}
