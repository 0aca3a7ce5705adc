// Package schema validates run input against the type map a workflow definition declares.
//
// A definition lists the input it expects as field names mapped to type strings:
//
//	inputs:
//	  order_id: string
//	  amount: float
//	  items: "[object]"
//	  coupon: string?
//
// Supported types are string, int, float, bool, object and any, slices of those
// written as "[type]", and an optional marker "?" that lets the field be absent.
// Values are checked the way JSON and YAML decoders produce them, so an int field
// accepts a whole float64.
package schema
