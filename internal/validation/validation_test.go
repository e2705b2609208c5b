package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"1234567890123456789012345678901234567890", false},
		{"0x12345678901234567890123456789012345678", false},
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},
		{"", false},
		{"0x", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidAddress(tc.addr), tc.addr)
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("vehicle", ""),
		ValidAddress("vehicle", "0x12"),
		ValidUnits("principal", "1.5"),
		PositiveUnits("grossInterest", "0"),
		ValidFeeRate("platformFeeRate", 1_000_001),
		ValidUnits("interestPaid", ""),
		ValidFeeRate("delegateFeeRate", 150_000),
	)
	require.Len(t, errs, 5)
	assert.Equal(t, "vehicle", errs[0].Field)
	assert.Equal(t, "vehicle: is required", errs.Error())
	assert.Equal(t, "grossInterest", errs[3].Field)
	assert.Equal(t, "must be greater than zero", errs[3].Message)
}

func TestValidate_Clean(t *testing.T) {
	errs := Validate(
		Required("vehicle", "0x1234567890123456789012345678901234567890"),
		PositiveUnits("principal", "1000000"),
	)
	assert.Empty(t, errs)
}

func TestVehicleParamMiddleware(t *testing.T) {
	r := gin.New()
	r.GET("/loans/:vehicle", VehicleParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/loans/0x1234567890123456789012345678901234567890", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/loans/nope", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_address")
}

func TestRequestSizeMiddleware(t *testing.T) {
	r := gin.New()
	r.POST("/", RequestSizeMiddleware(8), func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"principal":"1000000000"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
