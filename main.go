package main

import "github.com/drsoft-oss/hydragate/cmd"

func main() {
	cmd.Execute()
}
