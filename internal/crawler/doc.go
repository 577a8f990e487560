// Package crawler drives a crawl run: it walks links breadth first from a
// start URL, gates each page on robots.txt, renders it through a proxy from
// the pool, persists it and optionally pulls its resources.
package crawler
