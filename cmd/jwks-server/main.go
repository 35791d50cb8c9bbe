package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/abickford/relay_hook/internal/auth"
)

// Development token issuer. Serves the signing key as a JWKS document
// and mints bearer tokens the proxy's validator accepts. Not for
// production use; point AUTH_JWKS_URL at a real identity provider there.
var (
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      = "relayhook-key-1"
	issuer     = "relayhook-dev"
	audience   = "relayhook-api"
)

func init() {
	if v := os.Getenv("AUTH_ISSUER"); v != "" {
		issuer = v
	}
	if v := os.Getenv("AUTH_AUDIENCE"); v != "" {
		audience = v
	}

	var err error
	if privateKeyPEM := os.Getenv("JWT_PRIVATE_KEY"); privateKeyPEM != "" {
		block, _ := pem.Decode([]byte(privateKeyPEM))
		if block == nil {
			log.Fatal("Failed to decode PEM private key")
		}
		privateKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			log.Fatalf("Failed to parse private key: %v", err)
		}
	} else {
		privateKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			log.Fatalf("Failed to generate RSA key: %v", err)
		}
		log.Printf("Generated new RSA key pair for JWT signing")
	}

	publicKey = &privateKey.PublicKey
}

// jwksHandler serves the signing key in JWKS format.
func jwksHandler(w http.ResponseWriter, r *http.Request) {
	jwk := auth.JSONWebKey{
		Kty: "RSA",
		Use: "sig",
		Kid: keyID,
		N:   base64UrlEncode(publicKey.N.Bytes()),
		E:   base64UrlEncode(intToBytes(publicKey.E)),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	json.NewEncoder(w).Encode(auth.JSONWebKeySet{Keys: []auth.JSONWebKey{jwk}})
}

// createTokenHandler mints a bearer token for the named caller.
func createTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallerID string `json:"caller_id"`
		TTL      int    `json:"ttl_seconds,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.CallerID == "" {
		http.Error(w, "caller_id is required", http.StatusBadRequest)
		return
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = 3600
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": issuer,
		"aud": audience,
		"sub": req.CallerID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Duration(ttl) * time.Second).Unix(),
	})
	token.Header["kid"] = keyID

	tokenString, err := token.SignedString(privateKey)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"token":      tokenString,
		"expires_in": ttl,
		"token_type": "Bearer",
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func main() {
	http.HandleFunc("/.well-known/jwks.json", jwksHandler)
	http.HandleFunc("/token", createTokenHandler)
	http.HandleFunc("/healthz", healthHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8084"
	}

	log.Printf("JWKS server starting on port %s", port)
	log.Printf("JWKS endpoint: http://localhost:%s/.well-known/jwks.json", port)
	log.Printf("Token creation: POST http://localhost:%s/token", port)

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

// base64UrlEncode encodes without padding, as JWKS requires.
func base64UrlEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// intToBytes converts an integer to a big-endian byte slice.
func intToBytes(i int) []byte {
	if i == 0 {
		return []byte{0}
	}

	bytes := make([]byte, 0)
	for i > 0 {
		bytes = append([]byte{byte(i & 0xff)}, bytes...)
		i >>= 8
	}
	return bytes
}
