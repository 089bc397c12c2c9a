package media

type AssetType string

const (
	AssetTypeUpload    AssetType = "upload"
	AssetTypeGenerated AssetType = "generated"
	AssetTypeVideo     AssetType = "video"
	AssetTypeArchive   AssetType = "archive"
)

// StaticPrefix is the URL prefix under which stored assets are served.
const StaticPrefix = "/static/"

// ImageProcessingOptions can hold parameters for transformations
type ImageProcessingOptions struct {
	MaxSize     int
	JPEGQuality int
	WebPQuality float32
}

// DefaultImageOptions are used when the caller passes a zero value.
var DefaultImageOptions = ImageProcessingOptions{
	MaxSize:     2048,
	JPEGQuality: 90,
	WebPQuality: 90,
}
