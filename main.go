package main

import "github.com/aegisapp/aegis/cmd"

func main() {
	cmd.Execute()
}
