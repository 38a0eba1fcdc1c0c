// Package docs holds the OpenAPI document served at /swagger. The
// template is regenerated with `swag init -g cmd/api/main.go`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/edr/collections": {
            "get": {
                "produces": ["application/json"],
                "tags": ["EDR"],
                "summary": "List EDR collections",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/edr/collections/{id}/position": {
            "get": {
                "produces": ["application/vnd.cov+json", "application/geo+json"],
                "tags": ["EDR"],
                "summary": "Sample point values",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "coords", "in": "query", "required": true},
                    {"type": "string", "name": "parameter-name", "in": "query"},
                    {"type": "string", "name": "datetime", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "CoverageJSON"},
                    "400": {"description": "bad request"},
                    "404": {"description": "unknown collection"}
                }
            }
        },
        "/wmts/rest/{layer}/{style}/{tms}/{z}/{row}/{col}": {
            "get": {
                "produces": ["image/png"],
                "tags": ["Tiles"],
                "summary": "Fetch one rendered tile",
                "responses": {"200": {"description": "PNG tile"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "gridweather API",
	Description:      "Weather-data serving platform: WMS/WMTS map tiles, EDR point and area queries, derived raster products.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
