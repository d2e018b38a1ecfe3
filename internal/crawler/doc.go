// Package crawler implements the profile crawl pipeline: the domain records,
// the capability interfaces consumed by the pipeline (browser, classifier,
// record store), the JSON record extractor, and the page crawl engine.
package crawler
