package config

import "time"

// Volume layout. Caches are siblings at the volume root and shared by all
// endpoints; per-endpoint state lives only under runtimes/<endpoint_id>.
const (
	// VolumeRoot is the fixed mount point of the shared network volume.
	VolumeRoot = "/runpod-volume"

	// DefaultWorkspace is used when no volume is mounted.
	DefaultWorkspace = "/app"

	// AppDir is the container-local application directory that pre-deployed
	// code is unpacked into.
	AppDir = "/app"

	RuntimesDirName = "runtimes"
	VenvDirName     = ".venv"
	UVCacheDirName  = ".uv-cache"
	HFCacheDirName  = ".hf-cache"
	CacheDirName    = ".cache"

	// WorkspaceLockFile is the advisory lock taken during venv creation.
	WorkspaceLockFile = ".initialization.lock"

	// AppVenvSymlink is the container path some libraries hardcode; it is
	// pointed at the volume venv after creation.
	AppVenvSymlink = "/app/.venv"
)

// Local package cache mirrored to the volume by the cache sync manager.
const (
	LocalCacheDir     = "/root/.cache"
	HydrateMarkerName = ".cache-last-hydrated"
)

// Timeouts and polling intervals.
const (
	InstallTimeout       = 300 * time.Second
	VenvValidateTimeout  = 10 * time.Second
	VenvCreateTimeout    = 120 * time.Second
	InitPollInterval     = 500 * time.Millisecond
	DefaultInitTimeout   = 30 * time.Second
	DownloadTimeout      = 600 * time.Second
	EndpointTimeout      = 600 * time.Second
	ManifestTTL          = 300 * time.Second
	UnpackAttempts       = 3
	UnpackRetryInterval  = 2 * time.Second
	RunnerStartTimeout   = 30 * time.Second
	RunnerRequestTimeout = 3600 * time.Second
)

// ManifestFileName is the Flash manifest file inside the app directory.
const ManifestFileName = "flash_manifest.json"

// DefaultArtifactPath is the canonical location of the Flash build artifact
// on the volume, overridable via FLASH_BUILD_ARTIFACT_PATH.
const DefaultArtifactPath = VolumeRoot + "/flash/build-artifact.tar.gz"

// LargeSystemPackages lists OS packages that benefit from the accelerated
// front-end (compilers, toolkits, dev libraries).
var LargeSystemPackages = []string{
	"build-essential",
	"cmake",
	"cuda-toolkit",
	"curl",
	"g++",
	"gcc",
	"git",
	"libssl-dev",
	"nvidia-cuda-dev",
	"python3-dev",
	"wget",
}

// LogBufferSize bounds the number of captured log lines per job.
const LogBufferSize = 1000

// Environment variable names consumed by the worker.
const (
	EnvEndpointID        = "RUNPOD_ENDPOINT_ID"
	EnvAPIKey            = "RUNPOD_API_KEY"
	EnvLogLevel          = "LOG_LEVEL"
	EnvIsMothership      = "FLASH_IS_MOTHERSHIP"
	EnvResourceName      = "FLASH_RESOURCE_NAME"
	EnvMothershipID      = "FLASH_MOTHERSHIP_ID"
	EnvArtifactPath      = "FLASH_BUILD_ARTIFACT_PATH"
	EnvDisableUnpack     = "FLASH_DISABLE_UNPACK"
	EnvCodeTarball       = "TETRA_CODE_TARBALL"
	EnvVolumeEndpoint    = "RUNPOD_VOLUME_ENDPOINT"
	EnvVolumeAccessKey   = "RUNPOD_VOLUME_ACCESS_KEY"
	EnvVolumeSecretKey   = "RUNPOD_VOLUME_SECRET_KEY"
	EnvVolumeBucket      = "RUNPOD_VOLUME_BUCKET"
	EnvStateManagerURL   = "FLASH_STATE_MANAGER_URL"
	EnvVirtualEnv        = "VIRTUAL_ENV"
	EnvUVCacheDir        = "UV_CACHE_DIR"
	EnvHFHome            = "HF_HOME"
	EnvTransformersCache = "TRANSFORMERS_CACHE"
	EnvHFDatasetsCache   = "HF_DATASETS_CACHE"
	EnvHFHubCache        = "HUGGINGFACE_HUB_CACHE"
)
