package main

import "github.com/nextlevelbuilder/pgagent/cmd"

func main() {
	cmd.Execute()
}
