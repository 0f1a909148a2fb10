package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"go.viam.com/test"

	"github.com/san-kum/knife-guard/server/cache"
	"github.com/san-kum/knife-guard/server/detection"
)

func testConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:             time.Second,
		MaxRetries:          2,
		RetryDelay:          time.Millisecond,
		HealthCheckInterval: time.Minute,
		InputSide:           8,
	}
}

func solid(w, h int, c color.Color) image.Image {
	return imaging.New(w, h, c)
}

func TestPreprocess(t *testing.T) {
	img := solid(32, 16, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
	input := Preprocess(img, 8)

	test.That(t, input.Shape, test.ShouldResemble, []int{1, 8, 8, 3})
	test.That(t, input.Data, test.ShouldHaveLength, 8*8*3)
	test.That(t, input.Data[0], test.ShouldAlmostEqual, 1.0, 0.01)
	test.That(t, input.Data[1], test.ShouldAlmostEqual, 0.0, 0.01)
	test.That(t, input.Data[2], test.ShouldAlmostEqual, 0.2, 0.01)
}

func TestDecodeImage(t *testing.T) {
	var buf bytes.Buffer
	test.That(t, imaging.Encode(&buf, solid(4, 3, color.White), imaging.PNG), test.ShouldBeNil)
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())

	img, err := DecodeImage("data:image/png;base64," + encoded)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 4)

	img, err = DecodeImage(encoded)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dy(), test.ShouldEqual, 3)

	_, err = DecodeImage("")
	test.That(t, err, test.ShouldEqual, ErrEmptyImage)
	_, err = DecodeImage("data:image/png;base64")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = DecodeImage(base64.StdEncoding.EncodeToString([]byte("not an image")))
	test.That(t, err, test.ShouldNotBeNil)
}

func modelServer(t *testing.T, failures int32, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/infer":
			n := atomic.AddInt32(calls, 1)
			if n <= failures {
				http.Error(w, "warming up", http.StatusServiceUnavailable)
				return
			}
			var req InferRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if len(req.Input.Shape) != 4 || req.Input.Shape[1] != 8 {
				http.Error(w, "bad input shape", http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(InferResponse{
				Output: &detection.Tensor{
					Shape: []int{1, 5, 1},
					Data:  []float32{320, 240, 100, 100, 0.9},
				},
				ModelVersion: "knife-v1",
			})
		case "/models/info":
			json.NewEncoder(w).Encode(map[string]interface{}{"name": "knife-v1"})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestClientInferRetries(t *testing.T) {
	var calls int32
	srv := modelServer(t, 2, &calls)
	defer srv.Close()

	client := NewClient(srv.URL, testConfig(), zap.NewNop())
	out, err := client.Infer(context.Background(), solid(16, 16, color.Black))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Shape, test.ShouldResemble, []int{1, 5, 1})
	test.That(t, atomic.LoadInt32(&calls), test.ShouldEqual, 3)

	info, err := client.GetModelInfo(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info["name"], test.ShouldEqual, "knife-v1")

	test.That(t, client.HealthCheck(context.Background()), test.ShouldBeNil)
	test.That(t, client.Healthy(), test.ShouldBeTrue)
}

func TestClientInferGivesUp(t *testing.T) {
	var calls int32
	srv := modelServer(t, 10, &calls)
	defer srv.Close()

	client := NewClient(srv.URL, testConfig(), zap.NewNop())
	_, err := client.Infer(context.Background(), solid(16, 16, color.Black))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "after 3 attempts")
	test.That(t, atomic.LoadInt32(&calls), test.ShouldEqual, 3)
}

func TestClientHealthCheckDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, testConfig(), zap.NewNop())
	test.That(t, client.HealthCheck(context.Background()), test.ShouldNotBeNil)
	test.That(t, client.Healthy(), test.ShouldBeFalse)
}

type countingEngine struct {
	calls int
}

func (e *countingEngine) Infer(ctx context.Context, img image.Image) (*detection.Tensor, error) {
	e.calls++
	return &detection.Tensor{Shape: []int{1, 5, 0}}, nil
}

func TestCachingEngine(t *testing.T) {
	clk := clock.NewMock()
	c := cache.NewMemoryCache(8, time.Second, clk, zap.NewNop())
	defer c.Close()

	next := &countingEngine{}
	engine := NewCachingEngine(next, c, zap.NewNop())
	ctx := context.Background()

	black := solid(8, 8, color.Black)
	for i := 0; i < 3; i++ {
		_, err := engine.Infer(ctx, black)
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, next.calls, test.ShouldEqual, 1)

	_, err := engine.Infer(ctx, solid(8, 8, color.White))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, next.calls, test.ShouldEqual, 2)

	clk.Add(2 * time.Second)
	_, err = engine.Infer(ctx, black)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, next.calls, test.ShouldEqual, 3)

	test.That(t, FrameKey(solid(8, 4, color.Black)), test.ShouldNotEqual, FrameKey(solid(4, 8, color.Black)))
}
