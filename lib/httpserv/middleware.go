package httpserv

import (
	"net/http"
)

// Middleware wraps a handler, e.g. to enrich the request context.
type Middleware func(http.HandlerFunc) http.HandlerFunc

// Route binds a handler to a method and path of the mux, optionally wrapped by middleware.
type Route struct {
	Method     string
	Path       string
	Handler    http.HandlerFunc
	Middleware Middleware
}

func (r Route) pattern() string {
	if r.Method == "" {
		return r.Path
	}
	return r.Method + " " + r.Path
}

func RegisterRoutes(mux *http.ServeMux, routes ...Route) {
	for _, route := range routes {
		if route.Handler == nil {
			panic("route handler cannot be nil: " + route.pattern())
		}
		handler := route.Handler
		if route.Middleware != nil {
			handler = route.Middleware(handler)
		}
		mux.HandleFunc(route.pattern(), handler)
	}
}

// Chain combines middleware; the first one is the outermost.
func Chain(middlewares ...func(http.HandlerFunc) http.HandlerFunc) Middleware {
	return func(final http.HandlerFunc) http.HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
