package main

import (
	cmd "github.com/kerbaras/avatars/cmd/avatars"
)

func main() {
	cmd.Execute()
}
