// Package actions provides the built-in action plugins: one that logs the
// winning classification and one that persists it as a tag.
package actions
