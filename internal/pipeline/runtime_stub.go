//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

func TransformerName() string {
	return "stdlib"
}

func newTransformer(maxPixels int) (Transformer, error) {
	return stdlibTransformer{maxPixels: maxPixels}, nil
}
