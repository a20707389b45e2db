// Package docs registers the hand-maintained OpenAPI document with swaggo's
// swag runtime so /swagger/doc.json can serve it without a swag init step.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{.Description}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/datas.json": {
            "get": {
                "tags": ["Repositories"],
                "summary": "List every configured repository id with its kind and scheme",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/tilejsons.json": {
            "get": {
                "tags": ["TileJSON"],
                "summary": "TileJSON document for every repository",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/{id}.json": {
            "get": {
                "tags": ["TileJSON"],
                "summary": "TileJSON document for one repository",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "unknown repository"}}
            }
        },
        "/{id}/{z}/{x}/{y}.{format}": {
            "get": {
                "tags": ["Tiles"],
                "summary": "Fetch one tile, fetching upstream and caching on miss",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "z", "in": "path", "required": true, "type": "integer"},
                    {"name": "x", "in": "path", "required": true, "type": "integer"},
                    {"name": "y", "in": "path", "required": true, "type": "integer"},
                    {"name": "scheme", "in": "query", "required": false, "type": "string", "enum": ["xyz", "tms"]}
                ],
                "responses": {"200": {"description": "OK"}, "204": {"description": "tile absent"}}
            }
        },
        "/{id}/md5/{z}/{x}/{y}.{format}": {
            "get": {
                "tags": ["Tiles"],
                "summary": "Probe a tile's MD5 via the ETag header without transferring its bytes",
                "responses": {"200": {"description": "OK"}, "204": {"description": "unknown"}}
            }
        },
        "/styles/{id}/style.json": {
            "get": {
                "tags": ["Styles"],
                "summary": "MapLibre style document with custom-scheme URIs rewritten to absolute URLs",
                "responses": {"200": {"description": "OK"}, "404": {"description": "missing style"}}
            }
        },
        "/fonts/{fontstack}/{range}.pbf": {
            "get": {
                "tags": ["Fonts"],
                "summary": "Combined glyph PBF for a comma-separated fontstack and codepoint range",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/sprites/{path}": {
            "get": {
                "tags": ["Sprites"],
                "summary": "Sprite image or index file, passthrough from disk or the asset store",
                "responses": {"200": {"description": "OK"}, "404": {"description": "missing"}}
            }
        },
        "/geojsons/{id}/{layer}.geojson": {
            "get": {
                "tags": ["GeoJSON"],
                "summary": "Read-through GeoJSON layer annotated with a style bucket per feature",
                "responses": {"200": {"description": "OK"}, "404": {"description": "missing"}}
            }
        },
        "/admin/cache/{id}": {
            "delete": {
                "tags": ["Admin"],
                "summary": "Invalidate the Redis hot-tile layer for one repository",
                "responses": {"204": {"description": "invalidated"}, "404": {"description": "unknown repository"}}
            }
        },
        "/health": {
            "get": {
                "tags": ["Health"],
                "summary": "Process liveness and optional-dependency reachability",
                "responses": {"200": {"description": "OK"}, "503": {"description": "starting up"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Tile Server API",
	Description:      "Vector/raster tile, style, font, sprite, and GeoJSON serving surface",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
