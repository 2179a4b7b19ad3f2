// Anchor - declarative infrastructure convergence.
// Store desired state. Converge. Repeat.
package main

func main() {
	Execute()
}
