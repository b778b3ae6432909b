// Package docs provides generated OpenAPI documentation.
//
// Narration API
//
//	@title			Narration API
//	@version		1.0
//	@description	Turns uploaded page images into per-page narration audio, with progress over SSE and WebSocket.
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@schemes	http https
package docs

//go:generate swag init -g ../cmd/narration/serve.go -o ./swagger --parseDependency --parseInternal
