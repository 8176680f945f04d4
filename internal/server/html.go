package server

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Face Overlay</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; max-width: 640px; margin: 40px auto; }
        form { display: flex; gap: 12px; align-items: center; }
    </style>
</head>
<body>
    <h1>Upload a photo</h1>
    <form action="/" method="post" enctype="multipart/form-data">
        <input type="file" name="{{FIELD}}" accept="image/*">
        <input type="submit" value="Upload">
    </form>
    <p><a href="/api/status">status</a></p>
</body>
</html>
`
