package bus

// Method names an RPC endpoint and fixes its input and output types.
// Methods are declared once in a catalog and shared by clients and servers.
type Method[In, Out any] struct {
	Name string
}

// Define declares a method.
func Define[In, Out any](name string) Method[In, Out] {
	return Method[In, Out]{Name: name}
}
