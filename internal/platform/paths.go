package platform

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	osWindows = "windows"
	osDarwin  = "darwin"
	osAndroid = "android"
)

// GetDataDir returns the platform-specific data directory for Inzx
func GetDataDir() (string, error) {
	switch runtime.GOOS {
	case osWindows:
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Inzx"), nil
		}
		return filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming", "Inzx"), nil
	case osDarwin:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "Inzx"), nil
	case osAndroid:
		if androidData := os.Getenv("ANDROID_DATA"); androidData != "" {
			return filepath.Join(androidData, "data", "app.inzx", "files"), nil
		}
		return "/data/data/app.inzx/files", nil
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "inzx"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".local", "share", "inzx"), nil
	}
}

// GetCacheDir returns the platform-specific cache directory for Inzx
func GetCacheDir() (string, error) {
	switch runtime.GOOS {
	case osWindows:
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "Inzx", "Cache"), nil
		}
		return filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local", "Inzx", "Cache"), nil
	case osDarwin:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Caches", "Inzx"), nil
	case osAndroid:
		if androidData := os.Getenv("ANDROID_DATA"); androidData != "" {
			return filepath.Join(androidData, "data", "app.inzx", "cache"), nil
		}
		return "/data/data/app.inzx/cache", nil
	default:
		if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
			return filepath.Join(xdgCache, "inzx"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".cache", "inzx"), nil
	}
}

// GetConfigDir returns the platform-specific configuration directory for Inzx
func GetConfigDir() (string, error) {
	switch runtime.GOOS {
	case osWindows:
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Inzx"), nil
		}
		return filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming", "Inzx"), nil
	case osDarwin:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Preferences", "Inzx"), nil
	case osAndroid:
		if androidData := os.Getenv("ANDROID_DATA"); androidData != "" {
			return filepath.Join(androidData, "data", "app.inzx", "files"), nil
		}
		return "/data/data/app.inzx/files", nil
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "inzx"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "inzx"), nil
	}
}
