// Command mbtest exercises the block allocator with scripted allocation
// scenarios, writing and verifying a data pattern in every block.
package main

func main() {
	execute()
}
