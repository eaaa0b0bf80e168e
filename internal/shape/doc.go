// Package shape implements the shape transition tree. A shape describes the
// ordered set of properties an object has and the slot each one lives in.
// Objects that acquire the same properties in the same order share a shape.
package shape
