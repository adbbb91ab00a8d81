// Command poseng serves the position engine: a cached view of the
// protocol's state, fee rates, change previews and list hints over HTTP.
package main

func main() {
	Execute()
}
