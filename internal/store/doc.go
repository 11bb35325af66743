// Package store declares the repository used to persist a run's lifecycle, task outcomes,
// and crawl/render results.
package store
