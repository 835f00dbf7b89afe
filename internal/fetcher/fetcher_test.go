package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusCodeUnwraps(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("download: %w", &HTTPError{URL: "https://i.4cdn.org/g/1.png", StatusCode: http.StatusTooManyRequests})
	require.Equal(t, http.StatusTooManyRequests, StatusCode(err))
	require.Zero(t, StatusCode(fmt.Errorf("plain")))
	require.Contains(t, err.Error(), "unexpected status 429")
}

func TestFuncAdapter(t *testing.T) {
	t.Parallel()

	var f Fetcher = Func(func(_ context.Context, req Request) (Response, error) {
		return Response{URL: req.URL, StatusCode: http.StatusOK}, nil
	})
	resp, err := f.Fetch(context.Background(), Request{URL: "u"})
	require.NoError(t, err)
	require.Equal(t, "u", resp.URL)
}
