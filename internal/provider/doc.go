// Package provider defines the minimal streaming completion interface the
// runtime depends on, helpers to collect streams and decode structured
// (JSON) answers, and a scripted in-process provider. Concrete SDK adapters
// live in the anthropic and openai subpackages.
package provider
