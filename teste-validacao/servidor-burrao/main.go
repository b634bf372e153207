package main

import (
	"fmt"
	"net/http"

	"admission-gateway/internal/logger"

	"go.uber.org/zap"
)

// Upstream de teste: responde aos endpoints da política padrão para
// validar o gateway na frente dele.
func main() {
	log := logger.Init("development", "info", "console")
	defer logger.Sync()

	mux := http.NewServeMux()
	mux.HandleFunc("/showTela", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<h1>Tela do Sistema</h1><p>Requisição recebida com sucesso!</p>")
		log.Info("acesso", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"path":%q,"role":%q}`, r.URL.Path, r.Header.Get("X-User-Role"))
		log.Info("acesso", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
	})

	log.Info("servidor rodando", zap.String("addr", "http://localhost:8081"))
	if err := http.ListenAndServe(":8081", mux); err != nil {
		log.Error("erro ao subir o servidor", zap.Error(err))
	}
}
