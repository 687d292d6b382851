package main

import "github.com/goplus/corebuild/cmd/corebuild/internal"

func main() {
	internal.Execute()
}
