// Package web 打包内置的聊天页面
package web

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed static
var assets embed.FS

// Static 返回以 static/ 为根的页面资源, 供路由挂载在 "/" 下
func Static() (fs.FS, error) {
	sub, err := fs.Sub(assets, "static")
	if err != nil {
		return nil, fmt.Errorf("web assets: %w", err)
	}
	return sub, nil
}
