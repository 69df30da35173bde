package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/pockettdocs/backend/internal/drive"
)

// GetUserID extracts the user ID from the Authorization header or session cookie.
func GetUserID(req events.APIGatewayProxyRequest, jwtSecret string) (string, error) {
	// Helper for case-insensitive header lookup
	getHeader := func(name string) string {
		for k, v := range req.Headers {
			if strings.EqualFold(k, name) {
				return v
			}
		}
		return ""
	}

	tokenString := ""
	authHeader := getHeader("Authorization")
	if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
		tokenString = strings.TrimPrefix(authHeader, "Bearer ")
	}

	if tokenString == "" {
		// Cookie format: session_token=xxx; ...
		cookies := getHeader("Cookie")
		for _, part := range strings.Split(cookies, ";") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "session_token=") {
				tokenString = strings.TrimPrefix(part, "session_token=")
				break
			}
		}
	}

	if tokenString == "" {
		return "", fmt.Errorf("no authorization token found")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %v", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		if sub, ok := claims["sub"].(string); ok {
			return sub, nil
		}
	}

	return "", fmt.Errorf("invalid token claims")
}

// respondJSON marshals body into a 200-family response.
func respondJSON(status int, body any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Msg("response marshal failed")
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Body:       string(b),
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// respondError maps an error onto the HTTP status its kind deserves. This is
// the only place error kinds become status codes.
func respondError(err error, msg string) events.APIGatewayProxyResponse {
	status := http.StatusInternalServerError
	switch drive.KindOf(err) {
	case drive.KindAuthExpired:
		status = http.StatusUnauthorized
	case drive.KindNotFound:
		status = http.StatusNotFound
	case drive.KindTransient:
		status = http.StatusBadGateway
	case drive.KindConfiguration:
		status = http.StatusInternalServerError
	}
	log.Error().Err(err).Int("status", status).Msg(msg)

	body, _ := json.Marshal(map[string]string{"error": msg})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

func badRequest(msg string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusBadRequest,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

func unauthorized(err error) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: http.StatusUnauthorized, Body: "unauthorized: " + err.Error()}
}

func unmarshalBody(req events.APIGatewayProxyRequest, v any) error {
	return json.Unmarshal([]byte(req.Body), v)
}

// parseLimit clamps the limit query parameter to [1, 50], defaulting to 10.
func parseLimit(req events.APIGatewayProxyRequest) int {
	raw := req.QueryStringParameters["limit"]
	if raw == "" {
		return 10
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 10
	}
	if n > 50 {
		return 50
	}
	return n
}
