package main

import "fmt"

//go:noinline
func work(n int) int {
	x := 42
	for i := 0; i < n; i++ {
		x = x*31 + i
	}
	return x
}

func main() {
	fmt.Println("Result:", work(1000))
}
