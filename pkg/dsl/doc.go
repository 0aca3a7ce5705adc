/*
Package dsl provides a Go DSL for programmatically constructing Lattice workflow definitions.

It allows developers to define workflow graphs using a type-safe, fluent builder pattern
instead of relying on external YAML or JSON files. This is particularly useful for dynamic
definitions, unit testing, and leveraging IDE autocompletion/type-checking.

Example usage:

	b := dsl.New("checkout").Compensation(domain.StrategySequential, dsl.FailFast())

	b.Add("reserve").Type("http").Set("url", "https://stock/reserve").Undo("release", nil)
	b.Add("charge").Type("http").After("reserve").Retry(3).Timeout(10 * time.Second)
	b.Add("ship").Type("process").After("charge").Set("process", "label")

	b.Output("tracking", "tracking_number")

	def, err := b.Build() // validated: unique IDs, known dependencies, no cycles
*/
package dsl
