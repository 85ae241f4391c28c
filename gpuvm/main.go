// Command gpuvm drives workloads against a simulated GPU memory manager.
package main

import "github.com/sarchlab/gpuvm/gpuvm/cmd"

func main() {
	cmd.Execute()
}
