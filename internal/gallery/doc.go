// Package gallery defines the gallery record model, the collaborator
// interfaces consumed by the proxy, and the Service that answers
// "get record for id" by coordinating the browser session, the record cache
// and the PDF artifact pipeline.
package gallery
