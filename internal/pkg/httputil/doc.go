// Package httputil provides the JSON response envelope shared by every API
// handler. All responses carry {success, data?, error?, message?, pagination?}
// so the frontend can treat outcomes uniformly.
package httputil
