package main

import "grimm.is/enclave/cmd"

func main() {
	cmd.Main()
}
