// Package crawler holds the job, scope and fetch types shared across the
// service and the Walker that descends the facility directory from regions
// to districts to paginated listings to detail pages.
package crawler
