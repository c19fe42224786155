package proxy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// ContentTypeCBOR selects the CBOR rendering of the command listing.
const ContentTypeCBOR = "application/cbor"

// cborMode uses Core Deterministic Encoding so identical listings produce
// identical bytes.
var cborMode cbor.EncMode

func init() {
	var err error
	cborMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("proxy: CBOR encoder initialization failed: " + err.Error())
	}
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	descriptors := s.driver.GetCommandDescriptors()

	if strings.Contains(r.Header.Get("Accept"), ContentTypeCBOR) {
		data, err := cborMode.Marshal(descriptors)
		if err != nil {
			writeError(w, err, 0)
			return
		}
		w.Header().Set("Content-Type", ContentTypeCBOR)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(descriptors)
}

// loginState travels through the OAuth server in the state parameter.
type loginState struct {
	ReturnPath string `json:"return_path,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	creds := s.credentials.Load()
	state := loginState{ReturnPath: r.URL.Query().Get("return_path")}

	target, err := s.oauth.BuildRedirectURL(creds.clientID, state)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// tokenResponse is returned by the callback route.
type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	TokenType   string  `json:"token_type,omitempty"`
	ExpiresIn   float64 `json:"expires_in,omitempty"`
	ReturnPath  string  `json:"return_path,omitempty"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if errText := query.Get("error"); errText != "" {
		writeError(w, NewUnauthorizedError("authorization failed: "+errText), 0)
		return
	}
	code := query.Get("code")
	if code == "" {
		writeError(w, NewBadRequestError("missing authorization code"), 0)
		return
	}

	creds := s.credentials.Load()
	token, err := s.oauth.ObtainToken(r.Context(), creds.clientID, creds.clientSecret, code)
	if err != nil {
		s.reject(r.Context(), "oauth", "", "", err)
		writeError(w, err, 0)
		return
	}

	var state loginState
	if raw := query.Get("state"); raw != "" {
		// A malformed state only loses the return path.
		_ = json.Unmarshal([]byte(raw), &state)
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresIn:   token.ExpiresIn,
		ReturnPath:  state.ReturnPath,
	})
}
