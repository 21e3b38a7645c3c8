// Package docs registers the OpenAPI description served by the Swagger UI
// route. The template is maintained by hand alongside the handler
// annotations; regenerate with swag when the surface changes.
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
        "/captcha/challenge": {
            "get": {
                "tags": ["Auth"],
                "summary": "Challenge parameters",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/captcha/verify": {
            "post": {
                "tags": ["Auth"],
                "summary": "Verify challenge and issue token",
                "responses": {
                    "200": {"description": "Token issued"},
                    "401": {"description": "Verification failed"}
                }
            }
        },
        "/auth/job/{jobId}": {
            "get": {
                "tags": ["Auth"],
                "summary": "One-time token pickup",
                "parameters": [{"name": "jobId", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "Token"},
                    "404": {"description": "Unknown or already claimed"},
                    "410": {"description": "Pickup window expired"}
                }
            }
        },
        "/auth/token/stats": {
            "get": {
                "tags": ["Auth"],
                "summary": "Token quota and usage",
                "responses": {"200": {"description": "OK"}, "401": {"description": "Invalid token"}}
            }
        },
        "/job": {
            "post": {
                "tags": ["Jobs"],
                "summary": "Create or update a capture job",
                "responses": {
                    "201": {"description": "Recurring job scheduled"},
                    "202": {"description": "Manual run dispatched"},
                    "429": {"description": "Quota or job limit exceeded"}
                }
            }
        },
        "/job/{id}": {
            "get": {
                "tags": ["Jobs"],
                "summary": "Job status summary",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not found"}}
            },
            "delete": {
                "tags": ["Jobs"],
                "summary": "Delete a job",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"204": {"description": "Deleted"}, "404": {"description": "Not found"}}
            }
        },
        "/job/{id}/results": {
            "get": {
                "tags": ["Jobs"],
                "summary": "Fetch unretrieved results",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not found"}}
            }
        },
        "/job/{id}/purge": {
            "post": {
                "tags": ["Jobs"],
                "summary": "Purge stored results",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not found"}}
            }
        },
        "/jobs": {
            "get": {
                "tags": ["Jobs"],
                "summary": "List active jobs",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/test": {
            "post": {
                "tags": ["Ops"],
                "summary": "Connectivity echo",
                "responses": {"200": {"description": "OK"}, "401": {"description": "Invalid token"}}
            }
        },
        "/": {
            "get": {
                "tags": ["Ops"],
                "summary": "Service disclosure",
                "responses": {"200": {"description": "OK"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "PageWatch Runner API",
	Description:      "Remote capture job runner: token issuance, capture jobs, results, and webhooks.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
