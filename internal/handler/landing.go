package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const landingPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>FMS Proxy</title>
    <style>
        body { font-family: system-ui, -apple-system, Segoe UI, Roboto, Ubuntu, Cantarell, 'Helvetica Neue', Arial, 'Noto Sans', sans-serif;
               margin: 0; padding: 0; background: #0f172a; color: #e2e8f0; }
        .container { max-width: 860px; margin: 0 auto; padding: 48px 24px; }
        h1 { font-size: 28px; margin: 0 0 8px; }
        p { color: #cbd5e1; line-height: 1.6; }
    </style>
</head>
<body>
    <div class="container">
        <h1>FMS Proxy</h1>
        <p>Service is running. Use this server to proxy Outlook ICS requests.</p>
    </div>
</body>
</html>
`

// Landing serves the static informational page.
func Landing(c echo.Context) error {
	return c.HTML(http.StatusOK, landingPage)
}
