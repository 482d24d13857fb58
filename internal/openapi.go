//go:generate go run github.com/swaggo/swag/v2/cmd/swag init --parseInternal --outputTypes json -g openapi.go -o .
package internal

// @title         shelfscout api
// @version       1.0
// @description   Book metadata aggregation and enrichment: multi-provider search, bookshelf scanning, and batch imports.
//
// @contact.url   https://github.com/shelfscout/shelfscout
//
// @license.name  MIT
// @license.url   https://opensource.org/licenses/MIT
