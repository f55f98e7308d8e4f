package wswire

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/webitel/syncfabric/internal/domain/channel"
	"github.com/webitel/syncfabric/internal/httpapi"
	"github.com/webitel/syncfabric/internal/room"
	"github.com/webitel/syncfabric/internal/wireregistry"
)

// ClientOptions is the websocket wire's client-side configuration.
type ClientOptions struct {
	Host    string
	Port    int
	ID      string
	Cookies []*http.Cookie
}

// ServerOptions is the websocket wire's server-side configuration.
type ServerOptions struct {
	Host string
	Port int
}

var dialer = websocket.Dialer{}

func clientFactory(ctx context.Context, opts any) (channel.Channel, error) {
	o, ok := opts.(ClientOptions)
	if !ok {
		return nil, fmt.Errorf("wswire: expected ClientOptions, got %T", opts)
	}
	url := fmt.Sprintf("ws://%s:%d/ws/%s", o.Host, o.Port, o.ID)

	header := http.Header{}
	for _, ck := range o.Cookies {
		header.Add("Cookie", ck.String())
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("wswire: dial %s: %w", url, err)
	}
	return Wrap(conn), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is a plain HTTP listener upgrading inbound requests to
// websocket Channels and attaching them to a Room by URL path segment.
type Server struct {
	httpSrv *http.Server
}

func newServer(addr string, rooms *room.Manager) *Server {
	router := chi.NewRouter()
	// JSON status routes (GET /rooms, GET /rooms/{id}) live under a
	// separate prefix from the upgrade route below so the two never
	// compete for the same chi pattern.
	httpapi.NewHandler(rooms).Routes(router)
	router.Get("/ws/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rooms.GetOrCreate(id).Attach(Wrap(conn))
	})

	return &Server{httpSrv: &http.Server{Addr: addr, Handler: router}}
}

func (s *Server) Close() error {
	return s.httpSrv.Shutdown(context.Background())
}

func serverFactory(_ context.Context, opts any, rooms *room.Manager) (wireregistry.Server, error) {
	o, ok := opts.(ServerOptions)
	if !ok {
		return nil, fmt.Errorf("wswire: expected ServerOptions, got %T", opts)
	}
	addr := fmt.Sprintf("%s:%d", o.Host, o.Port)
	srv := newServer(addr, rooms)

	ln, err := listen(addr)
	if err != nil {
		return nil, fmt.Errorf("wswire: listen %s: %w", addr, err)
	}
	go func() { _ = srv.httpSrv.Serve(ln) }()
	return srv, nil
}

func init() {
	wireregistry.Register("websocket", clientFactory, serverFactory)
}
