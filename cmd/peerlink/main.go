package main

import "github.com/rudransh-shrivastava/peer-link/internal/client/cmd"

func main() {
	cmd.Execute()
}
